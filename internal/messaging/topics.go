package messaging

// TopicEvents is where the miner publishes session events unless configured otherwise
const TopicEvents = "miner.events"

// Header keys set on every published message
const (
	HeaderEventType = "event_type"
	HeaderEndpoint  = "endpoint"
)
