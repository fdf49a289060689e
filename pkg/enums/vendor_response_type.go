package enums

import "fmt"

// VendorResponseType is a vendor's declared intent for a routing round.
type VendorResponseType string

const (
	VendorResponseAccept  VendorResponseType = "accept"
	VendorResponseReject  VendorResponseType = "reject"
	VendorResponseTimeout VendorResponseType = "timeout"
)

var validVendorResponseTypes = []VendorResponseType{
	VendorResponseAccept,
	VendorResponseReject,
	VendorResponseTimeout,
}

// IsValid reports whether the value is a known VendorResponseType.
func (t VendorResponseType) IsValid() bool {
	for _, candidate := range validVendorResponseTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseVendorResponseType converts raw input into a VendorResponseType.
func ParseVendorResponseType(value string) (VendorResponseType, error) {
	for _, candidate := range validVendorResponseTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid vendor response type %q", value)
}
