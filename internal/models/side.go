package models

import (
	"bytes"
	"errors"
	"strconv"
)

type Side uint8

const (
	SideLong Side = iota
	SideShort

	sideLongStr  = "long"
	sideShortStr = "short"
)

var (
	sideLongByte  = []byte(`"long"`)
	sideShortByte = []byte(`"short"`)
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return sideLongStr
	case SideShort:
		return sideShortStr
	}
	panic("invalid side string conversion " + strconv.Itoa(int(s)))
}

// Opposite is the closing direction for a position held on this side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

func (s Side) MarshalJSON() ([]byte, error) {
	switch s {
	case SideLong:
		return sideLongByte, nil
	case SideShort:
		return sideShortByte, nil
	}
	return nil, errors.New("invalid side json conversion: " + strconv.Itoa(int(s)))
}

func (s *Side) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, sideLongByte) {
		*s = SideLong
		return nil
	}
	if bytes.Equal(data, sideShortByte) {
		*s = SideShort
		return nil
	}
	return errors.New("unsupported side: " + string(data))
}

func SideStrToType(value string) (Side, error) {
	switch value {
	case sideLongStr:
		return SideLong, nil
	case sideShortStr:
		return SideShort, nil
	}
	return 0, errors.New("unsupported side: " + value)
}
