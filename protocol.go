package demreader

// top-level demo message type
type demType byte

const (
	demSignon       demType = 1 // raw sub-protocol stream sent during connect
	demPacket       demType = 2 // cmdinfo + sequences + sub-protocol stream
	demSyncTick     demType = 3
	demConsoleCmd   demType = 4 // [int] size [size bytes] command text
	demUserCmd      demType = 5 // [int] sequence [int] size [size bytes]
	demDataTables   demType = 6 // [int] size [size bytes] schema blob
	demStop         demType = 7
	demCustomData   demType = 8 // [int] type [int] size [size bytes]
	demStringTables demType = 9 // [int] size [size bytes] table dump
)

var demTypeNames = map[demType]string{
	demSignon:       "signon",
	demPacket:       "packet",
	demSyncTick:     "synctick",
	demConsoleCmd:   "consolecmd",
	demUserCmd:      "usercmd",
	demDataTables:   "datatables",
	demStop:         "stop",
	demCustomData:   "customdata",
	demStringTables: "stringtables",
}

func (t demType) String() string {
	if s, ok := demTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// sub-protocol message type, dispatched inside signon/packet payloads
type svcType uint32

const (
	netNOP               svcType = 0
	netDisconnect        svcType = 1  // [string] reason
	netFile              svcType = 2  // [long] transfer id [string] name [bit] requested
	netSplitScreenUser   svcType = 3  // [bit] slot
	netTick              svcType = 4  // [long] tick [16] frametime [16] stddev
	netStringCmd         svcType = 5  // [string] command
	netSetConVar         svcType = 6  // [byte] count, count * [string] [string]
	netSignonState       svcType = 7  // [byte] state [long] spawn count
	svcPrint             svcType = 8  // [string]
	svcServerInfo        svcType = 9  // <see code>
	svcSendTable         svcType = 10 // [bit] needs decoder [16] length, skipped
	svcClassInfo         svcType = 11 // <see code>
	svcSetPause          svcType = 12 // [bit]
	svcCreateStringTable svcType = 13
	svcUpdateStringTable svcType = 14
	svcVoiceInit         svcType = 15 // [string] codec [byte] quality
	svcVoiceData         svcType = 16 // [byte] client [byte] proximity [16] bits
	svcSounds            svcType = 17 // <see code>
	svcSetView           svcType = 18 // [11] entity
	svcFixAngle          svcType = 19 // [bit] relative [3*16] angles
	svcCrosshairAngle    svcType = 20 // [3*16] angles
	svcBSPDecal          svcType = 21 // <see code>
	svcSplitScreen       svcType = 22 // [bit] type [11] bits
	svcUserMessage       svcType = 23 // [byte] type [11] bits
	svcEntityMessage     svcType = 24 // [11] entity [9] class [11] bits
	svcGameEvent         svcType = 25 // [11] bits
	svcPacketEntities    svcType = 26 // <see code>
	svcTempEntities      svcType = 27 // [byte] count [17] bits
	svcPrefetch          svcType = 28 // [13] sound index
	svcMenu              svcType = 29 // [16] type [16] size [size bytes]
	svcGameEventList     svcType = 30 // [9] events [20] bits
	svcGetCvarValue      svcType = 31 // [long] cookie [string] cvar
	svcPaintmapData      svcType = 32 // [long] bits
	svcCmdKeyValues      svcType = 33 // [long] size [size bytes]
)

var svcTypeNames = map[svcType]string{
	netNOP:               "net_nop",
	netDisconnect:        "net_disconnect",
	netFile:              "net_file",
	netSplitScreenUser:   "net_splitscreenuser",
	netTick:              "net_tick",
	netStringCmd:         "net_stringcmd",
	netSetConVar:         "net_setconvar",
	netSignonState:       "net_signonstate",
	svcPrint:             "svc_print",
	svcServerInfo:        "svc_serverinfo",
	svcSendTable:         "svc_sendtable",
	svcClassInfo:         "svc_classinfo",
	svcSetPause:          "svc_setpause",
	svcCreateStringTable: "svc_createstringtable",
	svcUpdateStringTable: "svc_updatestringtable",
	svcVoiceInit:         "svc_voiceinit",
	svcVoiceData:         "svc_voicedata",
	svcSounds:            "svc_sounds",
	svcSetView:           "svc_setview",
	svcFixAngle:          "svc_fixangle",
	svcCrosshairAngle:    "svc_crosshairangle",
	svcBSPDecal:          "svc_bspdecal",
	svcSplitScreen:       "svc_splitscreen",
	svcUserMessage:       "svc_usermessage",
	svcEntityMessage:     "svc_entitymessage",
	svcGameEvent:         "svc_gameevent",
	svcPacketEntities:    "svc_packetentities",
	svcTempEntities:      "svc_tempentities",
	svcPrefetch:          "svc_prefetch",
	svcMenu:              "svc_menu",
	svcGameEventList:     "svc_gameeventlist",
	svcGetCvarValue:      "svc_getcvarvalue",
	svcPaintmapData:      "svc_paintmapdata",
	svcCmdKeyValues:      "svc_cmdkeyvalues",
}

func (t svcType) String() string {
	if s, ok := svcTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// PropType tags one schema property row.
type PropType uint32

const (
	PropInt PropType = iota
	PropFloat
	PropVector
	PropVectorXY
	PropString
	PropArray
	PropDataTable
)

var propTypeNames = map[PropType]string{
	PropInt:       "int",
	PropFloat:     "float",
	PropVector:    "vector",
	PropVectorXY:  "vector_xy",
	PropString:    "string",
	PropArray:     "array",
	PropDataTable: "datatable",
}

func (t PropType) String() string {
	if s, ok := propTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// PropFlags is the per-property flag bitset from the schema.
type PropFlags uint32

const (
	propFlagUnsigned     PropFlags = 1 << 0
	propFlagCoord        PropFlags = 1 << 1 // sign + optional int/frac parts
	propFlagNoScale      PropFlags = 1 << 2 // raw 32-bit float
	propFlagRoundDown    PropFlags = 1 << 3
	propFlagRoundUp      PropFlags = 1 << 4
	propFlagNormal       PropFlags = 1 << 5 // [-1,1], 11-bit magnitude + sign
	propFlagExclude      PropFlags = 1 << 6
	propFlagInsideArray  PropFlags = 1 << 8
	propFlagCollapsible  PropFlags = 1 << 11
	propFlagCoordMP      PropFlags = 1 << 12
	propFlagCoordMPLow   PropFlags = 1 << 13
	propFlagCoordMPInt   PropFlags = 1 << 14
	propFlagCellCoord    PropFlags = 1 << 15
	propFlagCellCoordLow PropFlags = 1 << 16
	propFlagCellCoordInt PropFlags = 1 << 17
	propFlagChangesOften PropFlags = 1 << 18 // forced into the terminal priority bucket
)

// Wire widths shared by the codec and the message layer.
const (
	netMsgTypeBits = 6

	stringLengthBits = 9 // property string length prefix

	coordIntegerBits    = 14
	coordFractionalBits = 5
	coordResolution     = 1.0 / (1 << coordFractionalBits)
	coordIntegerBitsMP  = 11

	lowFractionalBits = 3
	lowResolution     = 1.0 / (1 << lowFractionalBits)

	normalFractionalBits = 11
	normalResolution     = 1.0 / (1<<normalFractionalBits - 1)

	maxEntityBits    = 11
	maxEntities      = 1 << maxEntityBits
	entitySerialBits = 10

	stringHistorySize   = 32
	substringIndexBits  = 5
	substringLengthBits = 5
	maxUserDataBits     = 14
	stringTableIDBits   = 5

	dataTableNumPropBits = 10
	dataTablePropNumBits = 7
	propFlagBits         = 19
	propPriorityBits     = 8

	changesOftenPriority = 64

	maxSplitSlots = 2
)

// bitsForCount returns the number of bits needed to represent values up to
// and including n.
func bitsForCount(n int) uint {
	bits := uint(1)
	for 1<<bits <= n {
		bits++
	}
	return bits
}
