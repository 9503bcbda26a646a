//go:build !unix

package localstore

type fileLock struct{}

func acquireFileLock(string) (*fileLock, error) {
	return &fileLock{}, nil
}

func (l *fileLock) release() error {
	return nil
}
