// Package leb128 provides decoders for the Little Endian Base 128 format
// used by the DWARF debug information standard.
package leb128
