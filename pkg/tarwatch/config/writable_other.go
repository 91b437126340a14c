//go:build !unix

package config

import "os"

func writable(dir string) error {
	f, err := os.CreateTemp(dir, ".tarwatch-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
