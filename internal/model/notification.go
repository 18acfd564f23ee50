package model

// NotificationMessage is the structured payload attached to a push
// notification produced by an app integration.
type NotificationMessage struct {
	Text             string `json:"text"`
	AppID            string `json:"app_id"`
	FromIntegration  bool   `json:"from_integration,string"`
	Type             string `json:"type"`
	NotificationType string `json:"notification_type"`
	NavigateTo       string `json:"navigate_to"`
}

// NewAppNotification builds the standard payload for a message an app
// wants shown to the user. Tapping it navigates to the app's chat.
func NewAppNotification(appID, text string) NotificationMessage {
	return NotificationMessage{
		Text:             text,
		AppID:            appID,
		FromIntegration:  true,
		Type:             "text",
		NotificationType: "plugin",
		NavigateTo:       "/chat/" + appID,
	}
}

// AsMap renders the payload for the push transport.
func (n NotificationMessage) AsMap() map[string]string {
	from := "false"
	if n.FromIntegration {
		from = "true"
	}
	return map[string]string{
		"text":              n.Text,
		"app_id":            n.AppID,
		"from_integration":  from,
		"type":              n.Type,
		"notification_type": n.NotificationType,
		"navigate_to":       n.NavigateTo,
	}
}
