package main

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantflow/fxengine/internal/ledger"
	sig "github.com/quantflow/fxengine/internal/signal"
	"github.com/quantflow/fxengine/internal/transport"
)

// wireLedger routes EA execution reports and account snapshots into the
// trade ledger.
func wireLedger(srv *transport.Server, led *ledger.Ledger) {
	srv.Subscribe(transport.MsgTradeResult, func(connID string, env transport.Envelope) {
		var tr transport.TradeResult
		if err := env.Payload(&tr); err != nil {
			log.Warn().Err(err).Str("conn_id", connID).Msg("Malformed trade result")
			return
		}

		if !tr.Success {
			log.Warn().
				Str("signal_id", tr.SignalID).
				Int("error_code", tr.ErrorCode).
				Str("error", tr.ErrorMessage).
				Msg("EA reported failed execution")
			return
		}

		at, err := transport.ParseWireTime(tr.ExecutionTime)
		if err != nil {
			at = time.Now().UTC()
		}

		if tr.Closed {
			if err := led.ApplyTradeClose(tr.Ticket, tr.ExecutionPrice, at, tr.Profit); err != nil {
				log.Error().Err(err).Int64("ticket", tr.Ticket).Msg("Trade close rejected")
			}
			return
		}

		side := sig.SideBuy
		if strings.EqualFold(tr.Action, string(sig.SideSell)) {
			side = sig.SideSell
		}
		err = led.ApplyTradeOpen(ledger.Position{
			Ticket:       tr.Ticket,
			SignalID:     tr.SignalID,
			Symbol:       tr.Symbol,
			Side:         side,
			Volume:       tr.Volume,
			OpenPrice:    tr.ExecutionPrice,
			CurrentPrice: tr.ExecutionPrice,
			OpenTime:     at,
		})
		if err != nil {
			log.Error().Err(err).Int64("ticket", tr.Ticket).Msg("Trade open rejected")
		}
	})

	srv.Subscribe(transport.MsgAccountStatus, func(connID string, env transport.Envelope) {
		var st transport.AccountStatusPayload
		if err := env.Payload(&st); err != nil {
			log.Warn().Err(err).Str("conn_id", connID).Msg("Malformed account status")
			return
		}
		if st.At.IsZero() {
			if t, err := transport.ParseWireTime(env.Timestamp); err == nil {
				st.At = t
			} else {
				st.At = time.Now().UTC()
			}
		}
		led.ApplyAccountStatus(st)
	})
}
