package bridge

import (
	"fmt"
	"io"

	qrcode "github.com/skip2/go-qrcode"
)

// WriteQR renders url as a terminal QR code so a phone or tablet hosting the
// page agent can pair with the bridge.
func WriteQR(w io.Writer, url string) error {
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, code.ToSmallString(false))
	return err
}
