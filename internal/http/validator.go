package http

import (
	"fmt"
	"net/http"

	"github.com/fxamacker/cbor/v2"
)

// Validator is an ETag/Last-Modified pair enabling conditional requests.
// It is immutable once obtained.
type Validator struct {
	ETag         string
	LastModified string
}

// validatorRecord is the CBOR form of a Validator. Integer keys keep cached
// validators small.
type validatorRecord struct {
	ETag         string `cbor:"1,keyasint,omitempty"`
	LastModified string `cbor:"2,keyasint,omitempty"`
}

var validatorEncMode cbor.EncMode

func init() {
	var err error
	validatorEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("http: CBOR encoder initialization failed: " + err.Error())
	}
}

// ValidatorFromHeader returns the validator advertised by a response, or nil
// if it carries neither ETag nor Last-Modified.
func ValidatorFromHeader(h http.Header) *Validator {
	etag := h.Get("ETag")
	lastModified := h.Get("Last-Modified")
	if etag == "" && lastModified == "" {
		return nil
	}
	return &Validator{ETag: etag, LastModified: lastModified}
}

// apply writes the conditional request headers.
func (v *Validator) apply(h http.Header) {
	if v.ETag != "" {
		h.Set("If-None-Match", v.ETag)
	}
	if v.LastModified != "" {
		h.Set("If-Modified-Since", v.LastModified)
	}
}

// MarshalBinary encodes v using deterministic CBOR.
func (v Validator) MarshalBinary() ([]byte, error) {
	return validatorEncMode.Marshal(validatorRecord(v))
}

// UnmarshalBinary decodes a validator produced by MarshalBinary.
func (v *Validator) UnmarshalBinary(data []byte) error {
	var record validatorRecord
	if err := cbor.Unmarshal(data, &record); err != nil {
		return fmt.Errorf("decode validator: %w", err)
	}
	*v = Validator(record)
	return nil
}

func (v Validator) String() string {
	return fmt.Sprintf("etag=%q last-modified=%q", v.ETag, v.LastModified)
}
