// Package suppression maintains the global do-not-send list. Unsubscribe
// clicks, provider complaints and permanent bounces add to it; the
// dispatcher consults it before every send.
package suppression
