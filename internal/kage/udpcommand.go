package kage

// UDPCommand is the Bomberman game subcommand word found at chunk
// offset 0x10: a 7-bit command over a 9-bit payload size.
type UDPCommand uint16

// NewUDPCommand packs command and size fields into a subcommand word.
func NewUDPCommand(command, size uint16) UDPCommand {
	return UDPCommand((command&0x7f)<<9 | size&0x1ff)
}

func (c UDPCommand) Command() uint16 { return uint16(c) >> 9 }
func (c UDPCommand) Size() uint16    { return uint16(c) & 0x1ff }
