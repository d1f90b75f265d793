package messaging

// Topics carry domain events. Each source service owns exactly one topic.
const (
	TopicIdentity     = "events.identity"
	TopicCatalog      = "events.catalog"
	TopicOrdering     = "events.ordering"
	TopicNotification = "events.notification"
)

// SubjectHeartbeat carries service registrations to the gateway registry.
const SubjectHeartbeat = "registry.heartbeat"

// Event types.
const (
	EventCustomerRegistered  = "CustomerRegistered"
	EventCustomerDeactivated = "CustomerDeactivated"

	EventOrderCreated   = "OrderCreated"
	EventOrderConfirmed = "OrderConfirmed"
	EventOrderShipped   = "OrderShipped"
	EventOrderCancelled = "OrderCancelled"

	EventInventoryReserved = "InventoryReserved"
	EventInventoryRejected = "InventoryRejected"
	EventInventoryReleased = "InventoryReleased"

	EventNotificationSent = "NotificationSent"
)

// TopicFor returns the topic owned by a source service.
func TopicFor(service string) string {
	return "events." + service
}

// Topics lists every known topic, used when provisioning brokers.
func Topics() []string {
	return []string{TopicIdentity, TopicCatalog, TopicOrdering, TopicNotification}
}
