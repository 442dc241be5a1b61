// Package costing вычисляет количество физических листов и стоимость
// задания печати по его параметрам. Пакет не имеет побочных эффектов,
// вся денежная арифметика ведётся в decimal с фиксированной точностью.
package costing

import (
	"github.com/shopspring/decimal"
)

// Scale задаёт число знаков после запятой для денежных сумм.
const Scale = 6

// SheetFilter задаёт отбор листов по чётности позиции
// (используется при ручной двусторонней печати).
type SheetFilter int

const (
	FilterNone SheetFilter = iota
	FilterOdd
	FilterEven
)

// JobOptions описывает параметры задания, влияющие на число листов и стоимость.
type JobOptions struct {
	// Pages — число логических страниц документа.
	Pages int
	// NUp — число логических страниц на одной стороне листа.
	NUp int
	// Copies — число копий.
	Copies int
	// Duplex — двусторонняя печать.
	Duplex bool
	// Color — цветная печать.
	Color bool
	// FrontCoverSheets и BackCoverSheets — число листов обложек на копию.
	// Обложки не участвуют в раскладке NUp/duplex и в отборе по чётности.
	FrontCoverSheets int
	BackCoverSheets  int
	// Filter — отбор листов по чётности позиции внутри копии.
	Filter SheetFilter
	// Finishings — применённые виды послепечатной обработки.
	Finishings []string
	// MediaName — выбранный носитель (бумага), ключ поиска тарифа.
	MediaName string
	// PrinterName — целевой принтер, уточняет поиск тарифа.
	PrinterName string
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

// SheetCount возвращает число физических листов для задания.
func SheetCount(opts JobOptions) int {
	if opts.Pages <= 0 {
		return 0
	}

	nUp := opts.NUp
	if nUp < 1 {
		nUp = 1
	}
	copies := opts.Copies
	if copies < 1 {
		copies = 1
	}

	sides := ceilDiv(opts.Pages, nUp)

	sheets := sides
	if opts.Duplex {
		sheets = ceilDiv(sides, 2)
	}

	// Отбор по чётности применяется к листам одной копии до умножения
	// на число копий. Нечётные позиции: 1, 3, 5, ...
	switch opts.Filter {
	case FilterOdd:
		sheets = ceilDiv(sheets, 2)
	case FilterEven:
		sheets = sheets / 2
	}

	perCopy := sheets + opts.FrontCoverSheets + opts.BackCoverSheets

	return perCopy * copies
}

// Tariff описывает расценки печати в одной валюте.
type Tariff struct {
	CurrencyCode string
	// SheetCost хранит стоимость одного листа по ключам вида
	// "принтер/носитель" и "носитель". Поиск идёт от более точного
	// ключа к менее точному, затем берётся DefaultSheetCost.
	SheetCost        map[string]decimal.Decimal
	DefaultSheetCost decimal.Decimal
	// CopyCost — фиксированная стоимость одного комплекта (копии).
	CopyCost decimal.Decimal
	// ColorFactor и GrayscaleFactor — множители стоимости листов.
	ColorFactor     decimal.Decimal
	GrayscaleFactor decimal.Decimal
	// FinishingCost — надбавка за вид обработки, на копию.
	FinishingCost map[string]decimal.Decimal
}

// SheetCostFor возвращает стоимость листа для пары принтер/носитель.
func (t Tariff) SheetCostFor(printerName, mediaName string) decimal.Decimal {
	if printerName != "" && mediaName != "" {
		if c, ok := t.SheetCost[printerName+"/"+mediaName]; ok {
			return c
		}
	}
	if mediaName != "" {
		if c, ok := t.SheetCost[mediaName]; ok {
			return c
		}
	}
	return t.DefaultSheetCost
}

// Result содержит вычисленные листы и стоимость задания.
type Result struct {
	Sheets int
	Cost   decimal.Decimal
}

// Calculate вычисляет число листов и полную стоимость задания по тарифу.
func Calculate(opts JobOptions, tariff Tariff) Result {
	sheets := SheetCount(opts)

	copies := opts.Copies
	if copies < 1 {
		copies = 1
	}

	factor := tariff.GrayscaleFactor
	if opts.Color {
		factor = tariff.ColorFactor
	}
	if factor.IsZero() {
		factor = decimal.NewFromInt(1)
	}

	sheetCost := tariff.SheetCostFor(opts.PrinterName, opts.MediaName)

	cost := sheetCost.Mul(decimal.NewFromInt(int64(sheets))).Mul(factor)
	cost = cost.Add(tariff.CopyCost.Mul(decimal.NewFromInt(int64(copies))))

	for _, f := range opts.Finishings {
		if surcharge, ok := tariff.FinishingCost[f]; ok {
			cost = cost.Add(surcharge.Mul(decimal.NewFromInt(int64(copies))))
		}
	}

	return Result{
		Sheets: sheets,
		Cost:   cost.Round(Scale),
	}
}
