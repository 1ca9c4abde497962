package qmiwire

// Control-service message ids. Every QMI service implements CTL
// (ServiceCTL); these four messages are the ones the transaction manager
// and the QRTR endpoint's local synthesis both need to recognize.
const (
	CTLMessageGetVersionInfo uint16 = 0x0021
	CTLMessageAllocateCID    uint16 = 0x0022
	CTLMessageReleaseCID     uint16 = 0x0023
	CTLMessageSync           uint16 = 0x0027
)

// CTLTLVAllocationInfo is the TLV type carrying allocation addressing on
// the CTL service: one byte (the requested service id) on an
// ALLOCATE_CID request, and two bytes (service id, client id) on an
// ALLOCATE_CID response or a RELEASE_CID request.
const CTLTLVAllocationInfo byte = 0x01
