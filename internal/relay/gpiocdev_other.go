//go:build !linux

package relay

import "errors"

type ChipDriver struct{}

func OpenChip(...string) (*ChipDriver, error) {
	return nil, errors.New("gpio character device is only available on linux")
}

func (d *ChipDriver) Name() string { return "unsupported" }

func (d *ChipDriver) Claim(int, int) error { return errors.ErrUnsupported }

func (d *ChipDriver) Set(int, int) error { return errors.ErrUnsupported }

func (d *ChipDriver) Release() error { return nil }
