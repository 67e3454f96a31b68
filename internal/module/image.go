package module

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"

	xerrors "MultiLLM-Agent/internal/errors"
)

// maxImageBytes 是单张图片的体积上限。
const maxImageBytes = 20 << 20

// ImageEncoder 把本地图片转换成可以内嵌到消息里的 URL。
type ImageEncoder interface {
	Encode(path string) (string, error)
}

// DataURIEncoder 读取本地图片并编码为 base64 data URI。
// 只接受 JPEG、PNG、GIF、WebP 四种格式，按文件头识别。
type DataURIEncoder struct{}

// Encode 校验并编码一张图片。
func (DataURIEncoder) Encode(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeValidation, err, fmt.Sprintf("图片文件不可用: %s", path))
	}
	if info.Size() > maxImageBytes {
		return "", xerrors.New(xerrors.CodeValidation,
			fmt.Sprintf("图片超出 %dMB 上限: %s", maxImageBytes>>20, path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeValidation, err, fmt.Sprintf("读取图片失败: %s", path))
	}
	mime := sniffImageType(data)
	if mime == "" {
		return "", xerrors.New(xerrors.CodeValidation,
			fmt.Sprintf("不支持的图片格式: %s", path))
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// sniffImageType 按文件头魔数识别图片格式，识别不出返回空串。
func sniffImageType(data []byte) string {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return "image/jpeg"
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}):
		return "image/png"
	case len(data) >= 6 && (bytes.Equal(data[:6], []byte("GIF87a")) || bytes.Equal(data[:6], []byte("GIF89a"))):
		return "image/gif"
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp"
	default:
		return ""
	}
}
