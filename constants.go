package main

// Run modes selected with -mode.
const (
	modeAll    = "all"
	modeServer = "server"
	modeWorker = "worker"
)

// Request headers
const (
	headerSignature  = "X-Hub-Signature-256"
	headerAdminToken = "X-Admin-Token"
	headerRequestID  = "X-Request-Id"
)

// Subscription handshake query parameters
const (
	queryHubMode      = "hub.mode"
	queryVerifyToken  = "hub.verify_token"
	queryHubChallenge = "hub.challenge"
)

// Endpoint labels used in operator alerts.
const (
	endpointWebhook = "POST /webhook"
	endpointLead    = "POST /lead"
)

// maxWebhookBody caps what is read from a delivery before verifying it.
const maxWebhookBody = 1 << 20

// maxUploadSize caps media uploads on the admin endpoint.
const maxUploadSize = 32 << 20

var validModes = []string{modeAll, modeServer, modeWorker}

func isValidMode(mode string) bool {
	return Find(validModes, mode)
}
