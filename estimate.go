package routeguard

// EstimateTokens provides a rough token count estimate for embedding inputs.
// Uses the approximation: ~4 chars per token + overhead per input.
func EstimateTokens(inputs []string) uint64 {
	var total uint64
	for _, in := range inputs {
		// ~4 chars per token
		total += uint64(len(in)) / 4
		// separator overhead per input
		total++
	}
	return total
}
