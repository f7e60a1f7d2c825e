//go:build !linux

package system

func fillUname(*OSInfo) {}
