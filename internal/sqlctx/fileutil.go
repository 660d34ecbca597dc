package sqlctx

import (
	"io"
	"os"
)

func writeFile(path string, reader io.Reader) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(file, reader)
	if err != nil {
		_ = file.Close()
		return written, err
	}
	return written, file.Close()
}
