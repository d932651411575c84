package backup

import "errors"

var (
	// ErrStreamExists - a copy stream's destination file pre-exists
	ErrStreamExists = errors.New("stream file already exists")
	// ErrIntegrity - restored bytes do not match the recorded SHA-1
	ErrIntegrity = errors.New("checksum mismatch")
	// ErrDestinationNotEmpty - restore target directory has entries
	ErrDestinationNotEmpty = errors.New("restore destination is not empty")
	// ErrManifestVersion - manifest format version is not supported
	ErrManifestVersion = errors.New("unsupported manifest version")
	// ErrManifestSession - manifest lacks a session identifier
	ErrManifestSession = errors.New("manifest session missing")
)
