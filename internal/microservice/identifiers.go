package microservice

// Identifiers of the platform microservices.
const (
	DeviceManagement = "device-management"
	EventManagement  = "event-management"
	AssetManagement  = "asset-management"
	EventSources     = "event-sources"
	BatchOperations  = "batch-operations"
)
