package storage

// Client request what-codes (spec §4.7). Each is a 4-character code packed
// the way the teacher's message layer packs its own type tags, matching
// the classic MUSCLE "four printable ASCII chars as a uint32" convention.
const (
	WhatSetData       uint32 = 0x50534554 // "PSET"
	WhatGetData       uint32 = 0x50474554 // "PGET"
	WhatRemoveNodes   uint32 = 0x50524d56 // "PRMV"
	WhatSubscribe     uint32 = 0x53534342 // "SSCB"
	WhatUnsubscribe   uint32 = 0x53555343 // "SUSC"
	WhatInsertOrdered uint32 = 0x50494e53 // "PINS"
	WhatReorderIndex  uint32 = 0x50524f44 // "PROD"
	WhatPing          uint32 = 0x50494e47 // "PING"
)

// Server response what-codes.
const (
	WhatGetDataReply uint32 = 0x52474554 // "RGET"
	WhatPong         uint32 = 0x504f4e47 // "PONG"
	WhatErrorReply   uint32 = 0x45525221 // "ERR!"
)

// SUBSCRIBE_QUIETLY (spec §4.4): a subscribe request carrying this flag
// registers interest without an initial snapshot burst of every currently
// matching node.
const subscribeQuietlyField = "quiet"
