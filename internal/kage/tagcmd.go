package kage

// TagCmd is the Outtrigger game subcommand word found at chunk offset
// 0x10: a 6-bit command, a 4-bit player field (the player count in
// SYS2 fan-outs) and a 3-bit id (the recipient slot in SYS2).
type TagCmd uint16

// Outtrigger tag commands.
const (
	TagSync      = 0x00
	TagSys       = 0x01
	TagSys2      = 0x02
	TagSysOK     = 0x03
	TagStartOK   = 0x04
	TagReady     = 0x05
	TagGameStart = 0x06
	TagGameOver  = 0x07
	TagJoinOK    = 0x08
	TagJoinNG    = 0x09
	TagPause     = 0x0a
	TagWaitOver  = 0x0b
	TagResult    = 0x0c
	TagResult2   = 0x0d
	TagOwner     = 0x0e
	TagEcho      = 0x0f
	TagReset     = 0x10
	TagTimeOut   = 0x11
)

// NewTagCmd packs command, player and id fields into a tag word.
func NewTagCmd(command, player, id uint16) TagCmd {
	return TagCmd((command&0x3f)<<10 | (player&0xf)<<6 | (id&0x7)<<3)
}

func (t TagCmd) Command() uint16 { return uint16(t) >> 10 }
func (t TagCmd) Player() uint16  { return uint16(t) >> 6 & 0xf }
func (t TagCmd) ID() uint16      { return uint16(t) >> 3 & 0x7 }

// WithID returns the tag with its id field replaced.
func (t TagCmd) WithID(id uint16) TagCmd {
	return TagCmd(uint16(t)&^uint16(0x7<<3) | (id&0x7)<<3)
}
