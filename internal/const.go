package internal

import "errors"

// Frame types (spec.md §4.1).
const (
	FrameMethod    = 1
	FrameHeader    = 2
	FrameBody      = 3
	FrameHeartbeat = 8
	FrameEnd       = 0xCE
)

// Class IDs.
const (
	ClassConnection = 10
	ClassChannel    = 20
	ClassExchange   = 40
	ClassQueue      = 50
	ClassBasic      = 60
)

// Method IDs, grouped by class.
const (
	MethodConnectionStart   = 10
	MethodConnectionStartOk = 11
	MethodConnectionTune    = 30
	MethodConnectionTuneOk  = 31
	MethodConnectionOpen    = 40
	MethodConnectionOpenOk  = 41
	MethodConnectionClose   = 50
	MethodConnectionCloseOk = 51

	MethodChannelOpen    = 10
	MethodChannelOpenOk  = 11
	MethodChannelFlow    = 20
	MethodChannelFlowOk  = 21
	MethodChannelClose   = 40
	MethodChannelCloseOk = 41

	MethodExchangeDeclare   = 10
	MethodExchangeDeclareOk = 11
	MethodExchangeDelete    = 20
	MethodExchangeDeleteOk  = 21

	MethodQueueDeclare   = 10
	MethodQueueDeclareOk = 11
	MethodQueueBind      = 20
	MethodQueueBindOk    = 21
	MethodQueuePurge     = 30
	MethodQueuePurgeOk   = 31
	MethodQueueDelete    = 40
	MethodQueueDeleteOk  = 41
	MethodQueueUnbind    = 50
	MethodQueueUnbindOk  = 51

	MethodBasicQos         = 10
	MethodBasicQosOk       = 11
	MethodBasicConsume     = 20
	MethodBasicConsumeOk   = 21
	MethodBasicCancel      = 30
	MethodBasicCancelOk    = 31
	MethodBasicPublish     = 40
	MethodBasicReturn      = 50
	MethodBasicDeliver     = 60
	MethodBasicGet         = 70
	MethodBasicGetOk       = 71
	MethodBasicGetEmpty    = 72
	MethodBasicAck         = 80
	MethodBasicReject      = 90
	MethodBasicRecoverAsync = 100
	MethodBasicRecover     = 110
	MethodBasicRecoverOk   = 111
	MethodBasicNack        = 120
)

// Field-table value type tags (spec.md §4.1).
const (
	fieldTagBoolean    = 't'
	fieldTagInt8       = 'b'
	fieldTagUint8      = 'B'
	fieldTagInt16      = 's'
	fieldTagUint16     = 'u'
	fieldTagInt32      = 'I'
	fieldTagUint32     = 'i'
	fieldTagInt64      = 'l'
	fieldTagFloat32    = 'f'
	fieldTagFloat64    = 'd'
	fieldTagDecimal    = 'D'
	fieldTagLongString = 'S'
	fieldTagArray      = 'A'
	fieldTagTimestamp  = 'T'
	fieldTagTable      = 'F'
	fieldTagVoid       = 'V'
	fieldTagByteArray  = 'x'
)

// Content-header property-flag bits, in fixed decode/encode order.
const (
	flagContentType     = 0x8000
	flagContentEncoding = 0x4000
	flagHeaders         = 0x2000
	flagDeliveryMode    = 0x1000
	flagPriority        = 0x0800
	flagCorrelationId   = 0x0400
	flagReplyTo         = 0x0200
	flagExpiration      = 0x0100
	flagMessageId       = 0x0080
	flagTimestamp       = 0x0040
	flagType            = 0x0020
	flagUserId          = 0x0010
	flagAppId           = 0x0008
	flagClusterId       = 0x0004
)

const protocolHeader = "AMQP\x00\x00\x09\x01"

var (
	errConnectionClosedGracefully  = errors.New("connection closed gracefully")
	errConnectionCloseSentByServer = errors.New("connection.close sent by server, awaiting close-ok")
)
