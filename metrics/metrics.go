package metrics

import (
	"time"
)

// RequestStatus : The request return status
type RequestStatus string

const (
	RequestStatusOK       RequestStatus = "ok"
	RequestStatusBadInput RequestStatus = "badinput"
	RequestStatusErr      RequestStatus = "err"
)

func RequestStatuses() []RequestStatus {
	return []RequestStatus{
		RequestStatusOK,
		RequestStatusBadInput,
		RequestStatusErr,
	}
}

// ExternalService : outgoing calls the engine depends on
type ExternalService string

const (
	ServicePlanner       ExternalService = "planner"
	ServiceRegister      ExternalService = "register"
	ServiceDeliveryStats ExternalService = "delivery_stats"
	ServiceUserData      ExternalService = "user_data"
	ServiceAlerts        ExternalService = "alerts"
)

func ExternalServices() []ExternalService {
	return []ExternalService{
		ServicePlanner,
		ServiceRegister,
		ServiceDeliveryStats,
		ServiceUserData,
		ServiceAlerts,
	}
}

// MetricsEngine is a generic interface to record engine metrics into the
// desired backend. Auction metrics fire once per incoming request, service
// metrics once per outgoing call to the named external service.
type MetricsEngine interface {
	RecordConnectionAccept(success bool)
	RecordConnectionClose(success bool)
	RecordRequest(status RequestStatus)
	RecordRequestTime(length time.Duration)

	RecordExternalServiceRequest(service ExternalService, success bool, length time.Duration)

	RecordLineItemsActive(count int)
	RecordLineItemMatched()
	RecordDealInjected()
	RecordWinEvent()
}
