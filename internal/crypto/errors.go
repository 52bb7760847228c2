package crypto

import "errors"

var (
	ErrCryptoInit = errors.New("crypto: primitive initialization failed")
	ErrEncrypt    = errors.New("crypto: encryption failed")
	ErrDecrypt    = errors.New("crypto: message authentication failed")
)
