// Command demo runs an order fulfillment workflow against the in-memory
// backends: the workflow reserves inventory, sleeps, waits for a payment
// signal, and completes once the demo delivers it.
package main

import (
	"context"
	"fmt"
	"time"

	"goa.design/durable/engine"
	"goa.design/durable/engine/inmem"
	"goa.design/durable/runtime"
)

type (
	// OrderInput is the workflow input.
	OrderInput struct {
		OrderID string `json:"order_id"`
		Amount  int    `json:"amount"`
	}

	// OrderResult is the workflow output.
	OrderResult struct {
		OrderID string `json:"order_id"`
		Receipt string `json:"receipt"`
	}
)

func fulfillOrder(ctx context.Context, wf runtime.Context, in OrderInput) (OrderResult, error) {
	// Reserve inventory; undo the reservation if a later step rolls back.
	_, err := wf.Step(ctx, "reserve", func(context.Context) (any, error) {
		fmt.Println("reserving inventory for", in.OrderID)
		return "reserved", nil
	}, runtime.WithCompensation(func(context.Context) error {
		fmt.Println("releasing reservation for", in.OrderID)
		return nil
	}))
	if err != nil {
		return OrderResult{}, err
	}

	// Give the customer a moment to pay. The execution suspends here; a
	// timer wakes it up.
	if err := wf.Sleep(ctx, time.Second); err != nil {
		return OrderResult{}, err
	}

	payment, err := wf.WaitForSignal(ctx, "payment", runtime.WithTimeout(time.Minute))
	if err != nil {
		if rbErr := wf.Rollback(ctx); rbErr != nil {
			return OrderResult{}, rbErr
		}
		return OrderResult{}, err
	}

	if err := wf.Emit(ctx, "order.fulfilled", in.OrderID); err != nil {
		return OrderResult{}, err
	}
	return OrderResult{OrderID: in.OrderID, Receipt: string(payment)}, nil
}

func main() {
	ctx := context.Background()

	svc, err := runtime.New(runtime.Options{
		Store:        inmem.NewStore(),
		Bus:          inmem.NewBus(),
		PollInterval: 100 * time.Millisecond,
	})
	if err != nil {
		panic(err)
	}
	if err := svc.Register(runtime.NewTask("order.fulfillment", fulfillOrder)); err != nil {
		panic(err)
	}
	if err := svc.StartPolling(ctx); err != nil {
		panic(err)
	}
	defer svc.StopPolling()

	id, err := svc.Start(ctx, "order.fulfillment", OrderInput{OrderID: "ord-42", Amount: 1299}, runtime.StartOptions{})
	if err != nil {
		panic(err)
	}
	fmt.Println("started execution", id)

	// Deliver the payment once the workflow is waiting for it.
	go func() {
		time.Sleep(2 * time.Second)
		if err := svc.Signal(ctx, id, "payment", map[string]string{"txn": "txn-1001"}); err != nil {
			fmt.Println("signal failed:", err)
		}
	}()

	result, err := svc.Wait(ctx, id, runtime.WaitOptions{Timeout: 30 * time.Second})
	if err != nil {
		panic(err)
	}
	fmt.Println("result:", string(result))

	trail, err := svc.AuditTrail(ctx, id, engine.Page{})
	if err != nil {
		panic(err)
	}
	for _, entry := range trail {
		fmt.Printf("%s  %-20s %s\n", entry.At.Format(time.RFC3339), entry.Kind, entry.StepID)
	}
}
