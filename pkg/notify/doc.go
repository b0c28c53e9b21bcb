// Package notify tells downstream systems about subscription activations and
// cancellations.
//
// Notifiers:
//   - EmailNotifier sends the customer an email through Postmark
//   - AMQPPublisher publishes JSON events to a RabbitMQ topic exchange, routed
//     by event type (subscription.activated, subscription.cancelled)
//   - Multi fans out to several notifiers, Noop discards
//
// Delivery is a side effect of reconciliation and must never block or roll back
// a subscription change, so callers hand events to a Dispatcher:
//
//	d := notify.NewDispatcher(notify.Multi(email, amqp), notify.WithWorkers(4))
//	defer d.Close()
//	_ = d.Dispatch(ctx, notify.NewEvent(notify.TypeActivated, rec, time.Now()))
//
// Dispatch returns immediately. Failed deliveries are logged and not retried.
package notify
