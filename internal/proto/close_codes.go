package proto

import "github.com/gorilla/websocket"

// Close codes used by the coordinator when rejecting or ending a peer
// connection. The 4xxx range is reserved for application use.
const (
	CloseNormal        = websocket.CloseNormalClosure
	CloseMissingParams = 4400
	CloseSlotConflict  = 4409
)
