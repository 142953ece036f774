// Package notify turns the real-time channel into notification events.
//
// A Service subscribes the signed-in user's two topics, fans inbound
// notifications out to local listeners, re-fetches the stats projection from
// the server after every event and hands each notification to a Presenter.
// Stats are never computed locally.
package notify
