package tls

// --- record & handshake -------------------------------------------------

const (
	ContentTypeHandshake     uint8 = 0x16 // TLS record type “Handshake”
	HandshakeTypeClientHello uint8 = 0x01 // Handshake msg “ClientHello”

	recordHeaderLen    = 5
	handshakeHeaderLen = 4
	randomLen          = 32
)

// --- extensions ---------------------------------------------------------

const (
	ExtServerName uint16 = 0x0000 // SNI (Server Name Indication)

	NameTypeHostName uint8 = 0x00 // the only name type RFC 6066 defines
)
