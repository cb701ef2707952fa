package ports

// BusMessage is one delivery from the message bus. Payload is a decoded
// domain message (*domain.MediaMessage, *domain.TrackInfoMessage or
// *domain.KeyframeRequestMessage).
type BusMessage struct {
	Topic   string
	Payload interface{}
}

// Subscription is a live topic subscription. Messages arrive on C in publish
// order until Close; deliveries already in flight when Close is called may
// still be observed by the consumer.
type Subscription interface {
	C() <-chan BusMessage
	Topic() string
	Close() error
}

// MessageBus is the publish/subscribe channel the relay and coordinators
// communicate over. Broadcast is fire-and-forget: delivering to a topic with
// no subscribers is not an error. Delivery is at-most-once and ordered per
// topic per subscriber.
type MessageBus interface {
	Subscribe(topic string) (Subscription, error)
	Broadcast(topic string, msg interface{}) error
	Close() error
}
