package file

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// hashFileID derives a content-addressed file id by streaming the file
// through BLAKE2b and folding the digest into id form. Identical bytes
// always yield the same id.
func hashFileID(abspath string) (uuid.UUID, error) {
	f, err := os.Open(abspath)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: open %q: %v", ErrAttachment, abspath, err)
	}
	defer func() { _ = f.Close() }()

	h, err := blake2b.New256(nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: hash init: %v", ErrAttachment, err)
	}
	if _, err := io.Copy(h, f); err != nil {
		return uuid.Nil, fmt.Errorf("%w: hash %q: %v", ErrAttachment, abspath, err)
	}

	var id uuid.UUID
	copy(id[:], h.Sum(nil))
	return id, nil
}
