package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"otcdesk/internal/models"
	"otcdesk/internal/rates"
)

func quoteShownText(quoted decimal.Decimal, amountBRL, amountUSDT *decimal.Decimal, ttl time.Duration) string {
	lines := []string{"Cotação USDT: " + rates.FormatRate(quoted)}
	if amountBRL != nil && amountUSDT != nil {
		lines = append(lines, fmt.Sprintf("%s = %s", rates.FormatBRL(*amountBRL), rates.FormatUSDT(*amountUSDT)))
	}
	if minutes := int(ttl.Minutes()); minutes > 0 {
		lines = append(lines, fmt.Sprintf("Válida por %d min.", minutes))
	}
	return strings.Join(lines, "\n")
}

func lockedSummaryText(deal *models.Deal) string {
	return fmt.Sprintf("Travado: %s = %s a %s. Confirma?",
		rates.FormatUSDT(*deal.AmountUSDT),
		rates.FormatBRL(*deal.AmountBRL),
		rates.FormatRate(deal.EffectiveRate()))
}

func lockedAwaitingText(deal *models.Deal) string {
	return fmt.Sprintf("Taxa travada em %s. Qual o valor em USDT?", rates.FormatRate(deal.EffectiveRate()))
}

func completionText(deal *models.Deal) string {
	return fmt.Sprintf("Fechado: %s = %s a %s.",
		rates.FormatUSDT(*deal.AmountUSDT),
		rates.FormatBRL(*deal.AmountBRL),
		rates.FormatRate(deal.EffectiveRate()))
}

func amountPromptText() string {
	return "Qual o valor em USDT?"
}

func stateReminderText(deal *models.Deal) string {
	switch deal.State {
	case models.DealStateQuoted:
		return fmt.Sprintf("Você já tem uma cotação ativa em %s. Confirma ou cancela?", rates.FormatRate(deal.QuotedRate))
	case models.DealStateLocked:
		return fmt.Sprintf("Taxa já travada em %s. Me passa o valor para fechar.", rates.FormatRate(deal.EffectiveRate()))
	case models.DealStateAwaitingAmount:
		return amountPromptText()
	case models.DealStateComputing:
		return "Um momento, fechando os números."
	}
	return ""
}

func cancelAckText() string {
	return "Cancelado. Qualquer coisa é só chamar."
}

func offNoticeText() string {
	return "Off. Cotação encerrada."
}

func expiredText() string {
	return "Essa cotação expirou. Me chama que faço outra."
}

func tryAgainText() string {
	return "Não consegui buscar a cotação agora. Tenta de novo em instantes."
}

func clarifyAmountText() string {
	return "Não entendi o valor. Manda só o número, ex: 5000."
}

func operatorPingText() string {
	return "Um momento, chamando o operador."
}
