package v1

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"ocrgate"
)

const (
	uploadField = "file"
	// multipart 头部和边界的额外开销
	multipartOverhead = 1 << 20
)

// readUpload 从 multipart 请求里读取 "file" 字段, 超过大小上限立即返回
func readUpload(ctx *ocrgate.Context) (ocrgate.Upload, error) {
	maxSize := ctx.Config().MaxFileSize
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxSize+multipartOverhead)

	reader, err := ctx.Request.MultipartReader()
	if err != nil {
		return ocrgate.Upload{}, &ocrgate.ValidationError{Reason: "request must be multipart/form-data"}
	}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return ocrgate.Upload{}, &ocrgate.ValidationError{Reason: "no file part"}
		}
		if err != nil {
			return ocrgate.Upload{}, uploadReadError(err, maxSize)
		}
		if part.FormName() != uploadField {
			part.Close()
			continue
		}

		data, err := io.ReadAll(io.LimitReader(part, maxSize+1))
		part.Close()
		if err != nil {
			return ocrgate.Upload{}, uploadReadError(err, maxSize)
		}
		if int64(len(data)) > maxSize {
			return ocrgate.Upload{}, &ocrgate.ValidationError{Reason: fmt.Sprintf("file exceeds %d bytes", maxSize), TooLarge: true}
		}
		return ocrgate.Upload{
			Filename:    part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			Data:        data,
		}, nil
	}
}

func uploadReadError(err error, maxSize int64) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &ocrgate.ValidationError{Reason: fmt.Sprintf("file exceeds %d bytes", maxSize), TooLarge: true}
	}
	return &ocrgate.ValidationError{Reason: "read upload: " + err.Error()}
}
