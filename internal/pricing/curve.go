// Package pricing 实现线性联合曲线的纯函数定价：买入/卖出换算、
// 手续费拆分与毕业阈值判断。所有金额均为定点整数（wei），不做任何 I/O。
package pricing

import "math/big"

// 默认曲线参数。价格以 wei / 整币计，数量以代币最小单位计。
var (
	// DefaultInitialPrice 为曲线起始价格（0.000001 ETH / 币）。
	DefaultInitialPrice = big.NewInt(1_000_000_000_000)
	// DefaultPriceIncrement 为每卖出一个整币后的涨价幅度。
	DefaultPriceIncrement = big.NewInt(1_000_000_000)
	// DefaultUnit 为一个整币对应的最小单位数量（1e18）。
	DefaultUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	// DefaultGraduationThreshold 为触发毕业的累计筹资额（10 ETH）。
	DefaultGraduationThreshold = new(big.Int).Mul(big.NewInt(10), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
)

// 手续费拆分比例，以万分比（bps/10000）表示。
const (
	PlatformFeeBps = 3000
	AgentFeeBps    = 1000
	LiquidityBps   = 6000
	BpsDivisor     = 10000
)

// Config 描述一条联合曲线的全部参数。配置对象在构造时传入，
// 不存在任何进程级可变单例。
type Config struct {
	InitialPrice        *big.Int
	PriceIncrement      *big.Int
	Unit                *big.Int
	GraduationThreshold *big.Int
}

// Curve 是无状态的定价引擎。
type Curve struct {
	initialPrice        *big.Int
	priceIncrement      *big.Int
	unit                *big.Int
	graduationThreshold *big.Int
}

// New 构造定价引擎，未填写的参数回落到默认曲线。
func New(cfg Config) *Curve {
	c := &Curve{
		initialPrice:        cfg.InitialPrice,
		priceIncrement:      cfg.PriceIncrement,
		unit:                cfg.Unit,
		graduationThreshold: cfg.GraduationThreshold,
	}
	if c.initialPrice == nil || c.initialPrice.Sign() <= 0 {
		c.initialPrice = DefaultInitialPrice
	}
	if c.priceIncrement == nil || c.priceIncrement.Sign() < 0 {
		c.priceIncrement = DefaultPriceIncrement
	}
	if c.unit == nil || c.unit.Sign() <= 0 {
		c.unit = DefaultUnit
	}
	if c.graduationThreshold == nil || c.graduationThreshold.Sign() <= 0 {
		c.graduationThreshold = DefaultGraduationThreshold
	}
	return c
}

// Price 返回给定供给量下的当前价格：
// price(supply) = initial + floor(supply/unit) * increment。
func (c *Curve) Price(supply *big.Int) *big.Int {
	if supply == nil || supply.Sign() <= 0 {
		return new(big.Int).Set(c.initialPrice)
	}
	steps := new(big.Int).Quo(supply, c.unit)
	price := new(big.Int).Mul(steps, c.priceIncrement)
	return price.Add(price, c.initialPrice)
}

// PurchaseReturn 计算投入 ethIn 能换得的代币数量。价格按成交前的
// 供给量取值，是对曲线积分的离散线性近似：大额买入相对真实积分
// 会被少收，这里保留该近似作为既定行为。
func (c *Curve) PurchaseReturn(supply, ethIn *big.Int) *big.Int {
	if ethIn == nil || ethIn.Sign() <= 0 {
		return new(big.Int)
	}
	amount := new(big.Int).Mul(ethIn, c.unit)
	return amount.Quo(amount, c.Price(supply))
}

// SaleReturn 计算卖出 tokenAmount 可得的 ETH，上限为当前流动性储备：
// 卖方永远无法从曲线中提取超过储备的金额，超出部分按储备截断返回。
func (c *Curve) SaleReturn(supply, tokenAmount, reserve *big.Int) *big.Int {
	if tokenAmount == nil || tokenAmount.Sign() <= 0 {
		return new(big.Int)
	}
	gross := new(big.Int).Mul(tokenAmount, c.Price(supply))
	gross.Quo(gross, c.unit)
	if reserve == nil {
		return new(big.Int)
	}
	if gross.Cmp(reserve) > 0 {
		return new(big.Int).Set(reserve)
	}
	return gross
}

// FeeSplit 是一次买入的手续费拆分结果，三项之和恒等于投入金额。
type FeeSplit struct {
	Platform  *big.Int
	Agent     *big.Int
	Liquidity *big.Int
}

// SplitFees 按 3000/1000/6000 bps 拆分买入金额。流动性份额取余额
// （ethIn - platform - agent）而非独立计算，保证整数截断下三项之和
// 与投入金额严格相等，不产生舍入泄漏。
func (c *Curve) SplitFees(ethIn *big.Int) FeeSplit {
	if ethIn == nil || ethIn.Sign() <= 0 {
		return FeeSplit{Platform: new(big.Int), Agent: new(big.Int), Liquidity: new(big.Int)}
	}
	divisor := big.NewInt(BpsDivisor)
	platform := new(big.Int).Mul(ethIn, big.NewInt(PlatformFeeBps))
	platform.Quo(platform, divisor)
	agent := new(big.Int).Mul(ethIn, big.NewInt(AgentFeeBps))
	agent.Quo(agent, divisor)
	liquidity := new(big.Int).Sub(ethIn, platform)
	liquidity.Sub(liquidity, agent)
	return FeeSplit{Platform: platform, Agent: agent, Liquidity: liquidity}
}

// GraduationReached 判断累计筹资额是否达到毕业阈值。
func (c *Curve) GraduationReached(totalRaised *big.Int) bool {
	if totalRaised == nil {
		return false
	}
	return totalRaised.Cmp(c.graduationThreshold) >= 0
}

// MarketCap 返回当前供给量对应的市值：price(supply) * supply / unit。
func (c *Curve) MarketCap(supply *big.Int) *big.Int {
	if supply == nil || supply.Sign() <= 0 {
		return new(big.Int)
	}
	cap := new(big.Int).Mul(c.Price(supply), supply)
	return cap.Quo(cap, c.unit)
}
