package orders

const (
	// TopicOutcomes carries Envelope values describing settled reconciliations.
	TopicOutcomes = "possync.outcomes"
	// TopicPOSChanges carries POSChange values written by the POS.
	TopicPOSChanges = "pos.order.changed"
)

// Partition key = entity id so every outcome for one entity keeps its order.
func PartitionKey(entityID string) []byte { return []byte(entityID) }
