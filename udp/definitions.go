package udp

// sizeHeader is the fixed size of a UDP header in bytes: source port,
// destination port, length, and checksum, each 2 bytes. See RFC 768.
const sizeHeader = 8
