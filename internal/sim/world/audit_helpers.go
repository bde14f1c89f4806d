package world

func (w *World) writeAudit(entry AuditEntry) {
	if w.audit == nil {
		return
	}
	entry.Seq = w.seq.Add(1)
	if err := w.audit.WriteAudit(entry); err != nil {
		w.log.WithError(err).Warn("audit write failed")
	}
}

func (w *World) auditPlace(actor string, pos WorldPos, layer Layer, from, to string) {
	w.writeAudit(AuditEntry{
		Actor:  actor,
		Action: "PLACE",
		Pos:    [2]int{pos.X, pos.Y},
		Layer:  layer.String(),
		From:   from,
		To:     to,
	})
}

func (w *World) auditDeplete(actor string, pos WorldPos, layer Layer, typ string, n uint64) {
	w.writeAudit(AuditEntry{
		Actor:  actor,
		Action: "DEPLETE",
		Pos:    [2]int{pos.X, pos.Y},
		Layer:  layer.String(),
		From:   typ,
		Amount: n,
	})
}
