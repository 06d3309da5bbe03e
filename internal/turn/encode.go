package turn

import "encoding/base64"

func base64Encode(audio []byte) string {
	return base64.StdEncoding.EncodeToString(audio)
}
