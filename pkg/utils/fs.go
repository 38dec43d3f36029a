package utils

import "github.com/spf13/afero"

type Fs afero.Fs

func NewOsFs() Fs {
	return afero.NewOsFs()
}
