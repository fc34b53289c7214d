// Package liarsbar 實作 Liars Bar 回合制吹牛淘汰遊戲
//
// 規則摘要：
//
//	牌組 18 張（ACE / KING / QUEEN 各 6 張 + 2 張 JOLLY 萬用牌）
//	每輪抽出一個「指定花色」，輪到的玩家蓋牌宣稱全是指定花色
//	下一位可以質疑：翻開上一手，說謊者（或質疑失敗者）朝自己開槍，1/6 機率淘汰
//	只剩一人存活時結束
package liarsbar

import "math/rand/v2"

// Card 卡牌花色
type Card string

const (
	Ace   Card = "ACE"
	King  Card = "KING"
	Queen Card = "QUEEN"
	Jolly Card = "JOLLY"
)

// 牌組組成
const (
	CopiesPerSuit = 6
	JollyCount    = 2
	DeckSize      = 3*CopiesPerSuit + JollyCount
	HandSize      = 5
)

// RequiredSuits 可被抽為指定花色的牌
var RequiredSuits = []Card{Ace, King, Queen}

// Matches 這張牌是否符合指定花色（萬用牌永遠符合）
func (c Card) Matches(required Card) bool {
	return c == Jolly || c == required
}

// NewDeck 產生洗好的完整牌組
func NewDeck(r *rand.Rand) []Card {
	deck := make([]Card, 0, DeckSize)
	for _, suit := range RequiredSuits {
		for i := 0; i < CopiesPerSuit; i++ {
			deck = append(deck, suit)
		}
	}
	for i := 0; i < JollyCount; i++ {
		deck = append(deck, Jolly)
	}
	r.Shuffle(len(deck), func(i, j int) {
		deck[i], deck[j] = deck[j], deck[i]
	})
	return deck
}

// AllMatch 一手牌是否全部符合
func AllMatch(cards []Card, required Card) bool {
	for _, c := range cards {
		if !c.Matches(required) {
			return false
		}
	}
	return true
}
