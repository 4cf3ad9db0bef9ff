package protocol

import "fmt"

// MethodKey identifies a method by its class and method id.
type MethodKey struct {
	ClassID  uint16
	MethodID uint16
}

// methodSpec describes one half of a synchronous method/reply pair.
// Methods with OkMethodID == 0 either have no synchronous reply
// (basic.publish, basic.ack, ...) or, like basic.get, have more than one
// possible reply; ExpectedReply reports ok == false for all of them.
type methodSpec struct {
	Name       string
	OkMethodID uint16
}

// methodTable is the declarative class.method -> reply-method mapping used
// by the connection driver and operation facade to validate synchronous
// replies without a hand-written switch per method.
var methodTable = map[MethodKey]methodSpec{
	{ClassConnection, MethodConnectionStart}:   {"connection.start", 0},
	{ClassConnection, MethodConnectionStartOk}: {"connection.start-ok", 0},
	{ClassConnection, MethodConnectionTune}:    {"connection.tune", 0},
	{ClassConnection, MethodConnectionTuneOk}:  {"connection.tune-ok", 0},
	{ClassConnection, MethodConnectionOpen}:    {"connection.open", MethodConnectionOpenOk},
	{ClassConnection, MethodConnectionOpenOk}:  {"connection.open-ok", 0},
	{ClassConnection, MethodConnectionClose}:   {"connection.close", MethodConnectionCloseOk},
	{ClassConnection, MethodConnectionCloseOk}: {"connection.close-ok", 0},

	{ClassChannel, MethodChannelOpen}:    {"channel.open", MethodChannelOpenOk},
	{ClassChannel, MethodChannelOpenOk}:  {"channel.open-ok", 0},
	{ClassChannel, MethodChannelClose}:   {"channel.close", MethodChannelCloseOk},
	{ClassChannel, MethodChannelCloseOk}: {"channel.close-ok", 0},

	{ClassExchange, MethodExchangeDeclare}:   {"exchange.declare", MethodExchangeDeclareOk},
	{ClassExchange, MethodExchangeDeclareOk}: {"exchange.declare-ok", 0},
	{ClassExchange, MethodExchangeDelete}:    {"exchange.delete", MethodExchangeDeleteOk},
	{ClassExchange, MethodExchangeDeleteOk}:  {"exchange.delete-ok", 0},
	{ClassExchange, MethodExchangeBind}:      {"exchange.bind", MethodExchangeBindOk},
	{ClassExchange, MethodExchangeBindOk}:    {"exchange.bind-ok", 0},
	{ClassExchange, MethodExchangeUnbind}:    {"exchange.unbind", MethodExchangeUnbindOk},
	{ClassExchange, MethodExchangeUnbindOk}:  {"exchange.unbind-ok", 0},

	{ClassQueue, MethodQueueDeclare}:   {"queue.declare", MethodQueueDeclareOk},
	{ClassQueue, MethodQueueDeclareOk}: {"queue.declare-ok", 0},
	{ClassQueue, MethodQueueBind}:      {"queue.bind", MethodQueueBindOk},
	{ClassQueue, MethodQueueBindOk}:    {"queue.bind-ok", 0},
	{ClassQueue, MethodQueueUnbind}:    {"queue.unbind", MethodQueueUnbindOk},
	{ClassQueue, MethodQueueUnbindOk}:  {"queue.unbind-ok", 0},
	{ClassQueue, MethodQueueDelete}:    {"queue.delete", MethodQueueDeleteOk},
	{ClassQueue, MethodQueueDeleteOk}:  {"queue.delete-ok", 0},
	{ClassQueue, MethodQueuePurge}:     {"queue.purge", MethodQueuePurgeOk},
	{ClassQueue, MethodQueuePurgeOk}:   {"queue.purge-ok", 0},

	{ClassBasic, MethodBasicQos}:       {"basic.qos", MethodBasicQosOk},
	{ClassBasic, MethodBasicQosOk}:     {"basic.qos-ok", 0},
	{ClassBasic, MethodBasicConsume}:   {"basic.consume", MethodBasicConsumeOk},
	{ClassBasic, MethodBasicConsumeOk}: {"basic.consume-ok", 0},
	{ClassBasic, MethodBasicCancel}:    {"basic.cancel", MethodBasicCancelOk},
	{ClassBasic, MethodBasicCancelOk}:  {"basic.cancel-ok", 0},
	{ClassBasic, MethodBasicPublish}:   {"basic.publish", 0},
	{ClassBasic, MethodBasicDeliver}:   {"basic.deliver", 0},
	{ClassBasic, MethodBasicGet}:       {"basic.get", 0},
	{ClassBasic, MethodBasicGetOk}:     {"basic.get-ok", 0},
	{ClassBasic, MethodBasicGetEmpty}:  {"basic.get-empty", 0},
	{ClassBasic, MethodBasicAck}:       {"basic.ack", 0},
	{ClassBasic, MethodBasicReject}:    {"basic.reject", 0},
	{ClassBasic, MethodBasicNack}:      {"basic.nack", 0},
}

// MethodName returns a human-readable "class.method" name, or a numeric
// fallback for methods outside the table.
func MethodName(classID, methodID uint16) string {
	if spec, ok := methodTable[MethodKey{classID, methodID}]; ok {
		return spec.Name
	}
	return fmt.Sprintf("%d.%d", classID, methodID)
}

// ExpectedReply returns the method id of the synchronous reply paired with
// (classID, methodID), and whether that pairing is known. Methods with no
// synchronous reply (basic.publish, basic.ack, ...) and basic.get, whose
// reply is either get-ok or get-empty, report ok == false.
func ExpectedReply(classID, methodID uint16) (okMethodID uint16, ok bool) {
	spec, found := methodTable[MethodKey{classID, methodID}]
	if !found || spec.OkMethodID == 0 {
		return 0, false
	}
	return spec.OkMethodID, true
}
