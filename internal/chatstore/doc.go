// Package chatstore persists the per-user, per-app chat history.
//
// Display messages returned by app webhooks and proactive messages the
// hub generates are appended here; the proactive pipeline reads the
// most recent entries back as the user_chat scope.
package chatstore
