package liarsbar

// ForceRound 以指定的指定花色與手牌覆蓋本輪，其餘的牌放回牌堆
func (e *Engine) ForceRound(required Card, hands map[int][]Card) {
	remaining := map[Card]int{Ace: CopiesPerSuit, King: CopiesPerSuit, Queen: CopiesPerSuit, Jolly: JollyCount}
	e.roster.Each(func(p *Player) {
		p.Hand = append([]Card(nil), hands[p.Seat]...)
		p.resetTurnFlags()
		for _, c := range p.Hand {
			remaining[c]--
		}
	})

	e.deck = e.deck[:0]
	for _, c := range []Card{Ace, King, Queen, Jolly} {
		for i := 0; i < remaining[c]; i++ {
			e.deck = append(e.deck, c)
		}
	}
	e.pile = nil
	e.lastPlay = nil
	e.forced = false
	e.required = required
	e.turnStarted = e.cfg.Clock()
}

// CardTotal 手牌、牌堆與桌面的總張數
func (e *Engine) CardTotal() int {
	return len(e.deck) + len(e.pile) + e.cardsInHands()
}
