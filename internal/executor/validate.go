package executor

import (
	"fmt"

	"github.com/mkarlsen/kmergate/internal/search"
)

// iupacNucleotide covers the full IUPAC nucleotide alphabet, including
// ambiguity codes, upper or lower case.
var iupacNucleotide = func() [256]bool {
	var ok [256]bool
	for _, c := range "ACGTURYSWKMBDHVN" {
		ok[c] = true
		ok[c+('a'-'A')] = true
	}
	return ok
}()

// ValidateSequence checks a query sequence against the IUPAC alphabet and
// the dataset's advertised length bounds.
func ValidateSequence(seq string, meta search.DatasetMeta) error {
	if len(seq) < meta.MinQueryLen {
		return fmt.Errorf("sequence length %d is below the dataset minimum of %d", len(seq), meta.MinQueryLen)
	}
	if meta.MaxQueryLen > 0 && len(seq) > meta.MaxQueryLen {
		return fmt.Errorf("sequence length %d exceeds the dataset maximum of %d", len(seq), meta.MaxQueryLen)
	}
	for i := 0; i < len(seq); i++ {
		if !iupacNucleotide[seq[i]] {
			return fmt.Errorf("sequence contains non-nucleotide character %q at position %d", seq[i], i)
		}
	}
	return nil
}
