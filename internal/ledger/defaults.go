package ledger

import "ledger-agent/internal/domain"

type defaultAccount struct {
	code        string
	name        string
	accountType domain.AccountType
}

var defaultCharts = map[domain.BookType][]defaultAccount{
	domain.BookPersonal: {
		{"1100", "현금", domain.AccountPaymentMethod},
		{"1200", "은행", domain.AccountPaymentMethod},
		{"1300", "체크카드", domain.AccountPaymentMethod},
		{"1400", "신용카드", domain.AccountPaymentMethod},

		{"4100", "급여", domain.AccountRevenue},
		{"4200", "용돈", domain.AccountRevenue},
		{"4300", "부업수입", domain.AccountRevenue},
		{"4400", "이자수입", domain.AccountRevenue},
		{"4500", "배당수입", domain.AccountRevenue},
		{"4900", "기타수입", domain.AccountRevenue},

		{"5100", "식비", domain.AccountExpense},
		{"5200", "교통비", domain.AccountExpense},
		{"5300", "문화생활", domain.AccountExpense},
		{"5400", "쇼핑", domain.AccountExpense},
		{"5500", "의료비", domain.AccountExpense},
		{"5600", "교육비", domain.AccountExpense},
		{"5700", "통신비", domain.AccountExpense},
		{"5800", "월세/관리비", domain.AccountExpense},
		{"5850", "공과금", domain.AccountExpense},
		{"5900", "보험료", domain.AccountExpense},
		{"5950", "경조사비", domain.AccountExpense},
		{"5999", "기타지출", domain.AccountExpense},
	},
	domain.BookBusiness: {
		{"2100", "현금", domain.AccountPaymentMethod},
		{"2200", "사업자계좌", domain.AccountPaymentMethod},
		{"2300", "법인카드", domain.AccountPaymentMethod},

		{"6100", "매출", domain.AccountRevenue},
		{"6200", "용역수입", domain.AccountRevenue},
		{"6300", "수수료수입", domain.AccountRevenue},
		{"6400", "이자수입", domain.AccountRevenue},
		{"6900", "기타수익", domain.AccountRevenue},

		{"7100", "외주비", domain.AccountExpense},
		{"7150", "인건비", domain.AccountExpense},
		{"7200", "재료비", domain.AccountExpense},
		{"7250", "수도광열비", domain.AccountExpense},
		{"7300", "임차료", domain.AccountExpense},
		{"7350", "보험료", domain.AccountExpense},
		{"7400", "광고선전비", domain.AccountExpense},
		{"7500", "접대비", domain.AccountExpense},
		{"7600", "통신비", domain.AccountExpense},
		{"7650", "세금과공과", domain.AccountExpense},
		{"7700", "소모품비", domain.AccountExpense},
		{"7750", "차량유지비", domain.AccountExpense},
		{"7800", "운반비", domain.AccountExpense},
		{"7850", "수선비", domain.AccountExpense},
		{"7900", "기타비용", domain.AccountExpense},
	},
}
