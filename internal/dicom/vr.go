package dicom

// shortLengthVRs use a 2-byte value length in Explicit VR Little
// Endian; everything else uses a 4-byte length preceded by 2 reserved
// bytes.
var shortLengthVRs = map[string]bool{
	"AE": true, "AS": true, "AT": true, "CS": true, "DA": true,
	"DS": true, "DT": true, "FL": true, "FD": true, "IS": true,
	"LO": true, "LT": true, "PN": true, "SH": true, "SL": true,
	"SS": true, "ST": true, "TM": true, "UI": true, "UL": true,
	"US": true,
}

func isShortLengthVR(vr string) bool {
	return shortLengthVRs[vr]
}

// padValue pads b to an even length per the VR's padding byte, copying
// so the caller's slice is left untouched.
func padValue(vr string, b []byte) []byte {
	if len(b)%2 == 0 {
		return b
	}
	pad := byte(0x00)
	switch vr {
	case "UI":
		pad = 0x00
	case "OB", "OW", "UN":
		pad = 0x00
	default:
		pad = 0x20 // space, for string-like VRs
	}
	out := make([]byte, len(b)+1)
	copy(out, b)
	out[len(b)] = pad
	return out
}
