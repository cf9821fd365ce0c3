package workbridge

import (
	"encoding/hex"
	"fmt"
)

// validate rejects submissions the pool would refuse on their format alone,
// before they take up a request id.
func (b *Bridge) validate(share ShareSubmission) error {
	if share.JobID == "" {
		return fmt.Errorf("job id is required")
	}

	workers := len(b.nonces.Ranges())
	if share.Worker < 0 || share.Worker >= workers {
		return fmt.Errorf("worker %d outside configured range [0,%d)", share.Worker, workers)
	}

	if share.Extranonce2 == "" {
		return fmt.Errorf("extranonce2 is required")
	}
	if !isValidHex(share.Extranonce2) {
		return fmt.Errorf("extranonce2 is not valid hex")
	}
	if size := b.session.Subscription().Extranonce2Size; size > 0 && len(share.Extranonce2) != 2*size {
		return fmt.Errorf("extranonce2 %q is not %d bytes", share.Extranonce2, size)
	}

	if share.NTime == 0 {
		return fmt.Errorf("ntime is required")
	}

	return nil
}

func isValidHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}
