package main

import (
	"github.com/feedesk/backend/internal/application/ledger"
	"github.com/feedesk/backend/internal/domain/fee"
	csvimport "github.com/feedesk/backend/internal/infrastructure/import"
	"github.com/feedesk/backend/internal/interfaces/http/dto"
)

func writeResultResponse(r *ledger.WriteResult) dto.WriteResultResponse {
	return dto.WriteResultResponse{
		Installment:   r.Installment,
		ReceiptNumber: r.ReceiptNumber,
		Tentative:     r.Tentative,
		PendingSync:   r.PendingSync,
	}
}

func listResponse(r *ledger.ReadResult) dto.ListResponse {
	rows := r.Data
	if rows == nil {
		rows = []fee.Installment{}
	}
	return dto.ListResponse{
		Installments: rows,
		Meta: dto.Meta{
			Total:  int64(len(rows)),
			Source: string(r.Source),
			Stale:  r.Source.Stale(),
		},
	}
}

func statusResponse(st *ledger.Status) dto.SyncStatusResponse {
	return dto.SyncStatusResponse{Online: st.Online, Pending: st.Pending, Blocked: st.Blocked}
}

func drainResponse(r *ledger.DrainReport) *dto.DrainResponse {
	if r == nil {
		return nil
	}
	out := &dto.DrainResponse{
		Committed: r.Committed,
		Deferred:  r.Deferred,
		Remaining: r.Remaining,
		Stopped:   r.Stopped,
	}
	for _, m := range r.Mismatches {
		out.Mismatches = append(out.Mismatches, dto.MismatchResponse{
			InstallmentID:   m.InstallmentID,
			TentativeNumber: m.TentativeNumber,
			ConfirmedNumber: m.ConfirmedNumber,
		})
	}
	for _, b := range r.Blocked {
		resp := dto.BlockedWriteResponse{
			ID:        b.Write.ID,
			EntityID:  b.Write.EntityID,
			Operation: string(b.Write.Kind),
		}
		if b.Err != nil {
			resp.Error = b.Err.Error()
		}
		out.Blocked = append(out.Blocked, resp)
	}
	return out
}

func importResponse(r *ledger.ImportReport) dto.ImportResponse {
	out := dto.ImportResponse{
		Created:   r.Created,
		Allocated: r.Allocated,
		Skipped:   r.Skipped,
		Failed:    r.Failed,
		Rows:      make([]dto.ImportRowResponse, 0, len(r.Rows)),
		Drain:     drainResponse(r.Drain),
	}
	for _, row := range r.Rows {
		resp := dto.ImportRowResponse{
			Line:          row.Line,
			InstallmentID: row.InstallmentID,
			Outcome:       string(row.Outcome),
			ReceiptNumber: row.ReceiptNumber,
			Tentative:     row.Tentative,
		}
		if row.Err != nil {
			resp.Error = row.Err.Error()
		}
		out.Rows = append(out.Rows, resp)
	}
	for _, e := range r.RowErrors {
		out.RowErrors = append(out.RowErrors, dto.RowErrorResponse{
			Row:     e.Row,
			Column:  e.Column,
			Message: e.Message,
			Value:   e.Value,
		})
	}
	return out
}

func pendingWriteResponses(writes []*fee.PendingWrite) []dto.PendingWriteResponse {
	out := make([]dto.PendingWriteResponse, 0, len(writes))
	for _, w := range writes {
		out = append(out, dto.PendingWriteResponse{
			ID:              w.ID,
			EntityID:        w.EntityID,
			Operation:       string(w.Kind),
			Status:          string(w.Status),
			Attempts:        w.Attempts,
			TentativeNumber: w.TentativeNumber,
			LastError:       w.LastError,
			EnqueuedAt:      w.EnqueuedAt,
		})
	}
	return out
}

// exportRows lays installments out in the import format
func exportRows(insts []fee.Installment) []csvimport.ExportRow {
	out := make([]csvimport.ExportRow, 0, len(insts))
	for _, inst := range insts {
		row := csvimport.ExportRow{
			StudentID:     inst.StudentID,
			SchoolID:      inst.SchoolID,
			Amount:        inst.Amount,
			DueDate:       inst.DueDate.Format(csvimport.DateLayout),
			PaidAmount:    inst.PaidAmount,
			ReceiptNumber: inst.ReceiptNumber,
		}
		if inst.PaidDate != nil {
			row.PaidDate = inst.PaidDate.Format(csvimport.DateLayout)
		}
		out = append(out, row)
	}
	return out
}
