// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package x11

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
)

// authEntry is one record of an Xauthority file. Lengths on disk are
// big endian, unlike the X wire protocol itself.
type authEntry struct {
	family  uint16
	address string
	display string
	name    string
	data    []byte
}

func readAuthEntry(r io.Reader) (*authEntry, error) {
	var fam [2]byte
	if _, err := io.ReadFull(r, fam[:]); err != nil {
		return nil, err
	}
	e := &authEntry{family: binary.BigEndian.Uint16(fam[:])}
	for _, dst := range []*string{&e.address, &e.display, &e.name} {
		s, err := readAuthString(r)
		if err != nil {
			return nil, err
		}
		*dst = string(s)
	}
	data, err := readAuthString(r)
	if err != nil {
		return nil, err
	}
	e.data = data
	return e, nil
}

func readAuthString(r io.Reader) ([]byte, error) {
	var ln [2]byte
	if _, err := io.ReadFull(r, ln[:]); err != nil {
		return nil, err
	}
	b := make([]byte, binary.BigEndian.Uint16(ln[:]))
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// authority looks up the MIT-MAGIC-COOKIE-1 credential for a display
// number. Missing or unreadable files yield empty credentials, which
// servers without access control accept.
func authority(display string) (name string, data []byte) {
	path := os.Getenv("XAUTHORITY")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", nil
		}
		path = filepath.Join(home, ".Xauthority")
	}
	f, err := os.Open(path)
	if err != nil {
		return "", nil
	}
	defer f.Close()

	hostname, _ := os.Hostname()
	var fallback *authEntry
	for {
		e, err := readAuthEntry(f)
		if err != nil {
			break
		}
		if e.name != "MIT-MAGIC-COOKIE-1" {
			continue
		}
		if e.display != "" && e.display != display {
			continue
		}
		// FamilyLocal entries are keyed by hostname.
		if e.family == 256 && e.address == hostname {
			return e.name, e.data
		}
		if fallback == nil {
			fallback = e
		}
	}
	if fallback != nil {
		return fallback.name, fallback.data
	}
	return "", nil
}
