package facilitator

import (
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/polycrawl/paygate"
)

// ExtractPayer recovers the paying address from a payment payload when the
// facilitator does not report it. It returns "" when the payer is unknown.
func ExtractPayer(payment paygate.PaymentPayload, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}
	switch p := payment.Payload.(type) {
	case *paygate.EVMPayload:
		return p.Authorization.From
	case *paygate.SVMPayload:
		payer, err := solanaPayer(p.Transaction)
		if err != nil {
			logger.Warn("failed to extract solana payer", "error", err)
			return ""
		}
		return payer
	default:
		return ""
	}
}

// solanaPayer returns the source of the first transfer instruction.
func solanaPayer(base64Tx string) (string, error) {
	tx, err := solana.TransactionFromBase64(base64Tx)
	if err != nil {
		return "", fmt.Errorf("failed to decode transaction: %w", err)
	}

	for _, inst := range tx.Message.Instructions {
		prog, err := tx.Message.ResolveProgramIDIndex(inst.ProgramIDIndex)
		if err != nil {
			continue
		}
		accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
		if err != nil {
			continue
		}

		switch {
		case prog.Equals(solana.SystemProgramID):
			ix, err := system.DecodeInstruction(accounts, inst.Data)
			if err != nil {
				continue
			}
			if t, ok := ix.Impl.(*system.Transfer); ok {
				return t.GetFundingAccount().PublicKey.String(), nil
			}
		case prog.Equals(solana.TokenProgramID):
			ix, err := token.DecodeInstruction(accounts, inst.Data)
			if err != nil {
				continue
			}
			switch t := ix.Impl.(type) {
			case *token.Transfer:
				return t.GetOwnerAccount().PublicKey.String(), nil
			case *token.TransferChecked:
				return t.GetOwnerAccount().PublicKey.String(), nil
			}
		}
	}
	return "", nil
}
