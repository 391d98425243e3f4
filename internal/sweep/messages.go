package sweep

import (
	"fmt"

	"otcdesk/internal/models"
	"otcdesk/internal/rates"
)

func offerWithdrawnText(deal *models.Deal) string {
	return fmt.Sprintf("⏱ Cotação de %s expirou e foi retirada. Manda nova mensagem para cotar de novo.",
		rates.FormatRate(deal.QuotedRate))
}

func amountReminderText() string {
	return "Só falta o valor para fechar. Quanto vai ser?"
}

func awaitingExpiredText(deal *models.Deal) string {
	return fmt.Sprintf("Negociação na taxa %s cancelada por falta do valor. Cota de novo quando quiser.",
		rates.FormatRate(deal.EffectiveRate()))
}
