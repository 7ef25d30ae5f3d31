package models

// ClassificationPattern is one content pattern of a rule together with the
// confidence the rule author assigned to it.
type ClassificationPattern struct {
	Regex      string  `json:"regex"`
	Confidence float64 `json:"confidence"` // [0,1]
}

// ClassificationRule groups short-code senders under one logical service.
// Rules load from a JSON file and can be swapped at runtime when the file
// changes.
type ClassificationRule struct {
	ServiceKey           string                  `json:"serviceKey"`
	ServiceName          string                  `json:"serviceName"`
	ShortSenderWhitelist []string                `json:"shortSenderWhitelist"`
	Patterns             []ClassificationPattern `json:"patterns"`
}
