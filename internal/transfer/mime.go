package transfer

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
)

const defaultContentType = "application/octet-stream"

var extensionTypes = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"pdf":  "application/pdf",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xls":  "application/vnd.ms-excel",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"ppt":  "application/vnd.ms-powerpoint",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"txt":  "text/plain",
	"zip":  "application/zip",
	"rar":  "application/x-rar-compressed",
	"mp3":  "audio/mpeg",
	"mp4":  "video/mp4",
	"avi":  "video/x-msvideo",
	"mov":  "video/quicktime",
	"webm": "video/webm",
}

// GuessFileType maps a file name's extension to a MIME type.
func GuessFileType(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	return defaultContentType
}

// InferContentType picks the type of received bytes: a conclusive content
// sniff wins, then the sender's declared type, then the extension table.
func InferContentType(name, declared string, data []byte) string {
	if len(data) > 0 {
		sniffed := http.DetectContentType(data)
		if !isGenericSniff(sniffed) {
			return sniffed
		}
	}
	if declared != "" && declared != defaultContentType {
		return declared
	}
	return GuessFileType(name)
}

func isGenericSniff(t string) bool {
	return t == defaultContentType || strings.HasPrefix(t, "text/plain")
}

// FormatFileSize renders n bytes as B, KB, MB or GB with two decimals.
func FormatFileSize(n int64) string {
	const unit = 1024
	switch {
	case n < unit:
		return fmt.Sprintf("%d B", n)
	case n < unit*unit:
		return fmt.Sprintf("%.2f KB", float64(n)/unit)
	case n < unit*unit*unit:
		return fmt.Sprintf("%.2f MB", float64(n)/(unit*unit))
	default:
		return fmt.Sprintf("%.2f GB", float64(n)/(unit*unit*unit))
	}
}
