package backup

import "errors"

var (
	ErrInvalidMAC         = errors.New("invalid MAC in backup session data")
	ErrInvalidRecoveryKey = errors.New("invalid recovery key")
	ErrInvalidSecret      = errors.New("invalid backup key secret")
	ErrNoPassphraseParams = errors.New("backup key was not derived from a passphrase")
)
