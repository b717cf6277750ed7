package lxm

import "errors"

var (
    // ErrFrameTooShort is returned when wire data is below the fixed
    // header minimum.
    ErrFrameTooShort = errors.New("lxm: frame shorter than header minimum")
    // ErrSigning is returned by Pack when no signing key is available for
    // the source identity.
    ErrSigning = errors.New("lxm: cannot sign, no signing key for source identity")
    // ErrSignatureInvalid is returned when a signature check fails against
    // the original payload bytes.
    ErrSignatureInvalid = errors.New("lxm: signature invalid")
    // ErrEncryption is returned when propagated packing cannot encrypt to
    // the destination identity.
    ErrEncryption = errors.New("lxm: payload encryption failed")
    // ErrNoDestinationIdentity is returned when propagated packing has no
    // destination identity to encrypt to.
    ErrNoDestinationIdentity = errors.New("lxm: destination identity unknown")
    // ErrInvalidPayload is returned when payload bytes do not decode as the
    // canonical 4/5 element array.
    ErrInvalidPayload = errors.New("lxm: invalid payload structure")
    // ErrTooManyFields is returned when the field map exceeds MaxFieldCount.
    ErrTooManyFields = errors.New("lxm: field map exceeds limit")
)
