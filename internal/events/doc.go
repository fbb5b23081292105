// Package events provides the control plane event bus and its Kafka export.
//
// Every lifecycle transition, compilation, fleet change and collaborator signal
// is published as an Event. The Bus gives each event an Offset, and a KeySeq
// that counts the events of one strategy (or worker, for fleet events), so the
// transitions of an instance can be consumed in order and gaps detected.
//
// In-process consumers subscribe with a Filter (event types, instance,
// strategy, worker; empty fields match everything). Publishing never blocks:
// when a subscriber's buffer is full the event is dropped for that subscriber
// only, counted on the subscription and reported to the metrics sink. Recent
// events are retained, so a consumer that fell behind can resume from the last
// offset it saw with SubscribeFrom or page through them with Since.
//
// # Usage
//
//	bus := events.NewBus(events.WithBufferSize(500))
//	defer bus.Close()
//
//	sub, err := bus.SubscribeFrom("scorer", events.Filter{
//		Types:      []events.EventType{events.EventInstanceTransitioned},
//		StrategyID: "btc-momentum",
//	}, lastOffset)
//	if err != nil {
//		return err
//	}
//	defer sub.Close()
//	for e := range sub.Events() {
//		tr, _ := e.Transition()
//		fmt.Println(e.KeySeq, tr.From, tr.To)
//	}
//
// # Export
//
// KafkaSink subscribes to the bus and writes each matching event as a JSON
// message keyed by strategy id, with the offset and key sequence in headers, so
// that health scoring and attribution collaborators can consume lifecycle
// events and outcomes in order per strategy.
package events
