package kage

// Command is the chunk command type, carried in header byte 3.
type Command byte

// Requests sent by clients.
const (
	ReqNop            Command = 0x00
	ReqLobbyLogin     Command = 0x01
	ReqLobbyLogout    Command = 0x02
	ReqCreateRoom     Command = 0x04
	ReqJoinLobbyRoom  Command = 0x06
	ReqLeaveLobbyRoom Command = 0x07
	ReqChgRoomStatus  Command = 0x08
	ReqQryUsers       Command = 0x0a
	ReqQryRooms       Command = 0x0b
	ReqChgUserProp    Command = 0x0c
	ReqChgUserStatus  Command = 0x0d
	ReqQryLobbies     Command = 0x0e
	ReqChat           Command = 0x0f
	ReqGameData       Command = 0x11
	ReqPing           Command = 0x14
	ReqBootstrapLogin Command = 0x2c
)

// Responses sent by the server.
const (
	RspTagCmd        Command = 0x10
	RspFailed        Command = 0x27
	RspOK            Command = 0x28
	RspLoginSuccess2 Command = 0x29
	RspLoginSuccess  Command = 0x2d
)

// Chunk flags, OR-ed into the high bits of the first header word.
const (
	FlagRelay    uint16 = 0x0400
	FlagContinue uint16 = 0x0800
	FlagLobby    uint16 = 0x1000
	FlagUnknown  uint16 = 0x2000
	FlagAck      uint16 = 0x4000
	FlagRUDP     uint16 = 0x8000
)
