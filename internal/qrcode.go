package internal

import (
	"encoding/base64"

	"github.com/skip2/go-qrcode"
)

// QREncoder 把加入連結編成圖片
//
// 失敗時呼叫者省略圖片欄位，不讓大廳建立失敗。
type QREncoder interface {
	Encode(url string) ([]byte, error)
}

// PNGEncoder 產生 PNG 格式的 QR code
type PNGEncoder struct {
	Size int
}

// NewPNGEncoder 建立編碼器，size 為圖片邊長（像素）
func NewPNGEncoder(size int) *PNGEncoder {
	if size <= 0 {
		size = 256
	}
	return &PNGEncoder{Size: size}
}

// Encode 實作 QREncoder
func (e *PNGEncoder) Encode(url string) ([]byte, error) {
	return qrcode.Encode(url, qrcode.Medium, e.Size)
}

// PNGDataURL 轉成可直接放進 <img src> 的 data URL
func PNGDataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
