package ssh

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/sftp"
)

type remoteFile struct {
	*sftp.File
	client *sftp.Client
}

func (f *remoteFile) Close() error {
	err := f.File.Close()
	if cerr := f.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// Open reads a file on the adb host over SFTP, typically the queries file.
func (c *Channel) Open(path string) (io.ReadCloser, error) {
	conn, err := c.connect(context.Background())
	if err != nil {
		return nil, err
	}
	sf, err := sftp.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	f, err := sf.Open(path)
	if err != nil {
		_ = sf.Close()
		return nil, fmt.Errorf("open remote %s: %w", path, err)
	}
	return &remoteFile{File: f, client: sf}, nil
}
